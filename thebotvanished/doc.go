// Package thebotvanished implements a Discord moderation bot which relays
// tweets from followed Twitter accounts into guild channels.
//
// At its core is a namespaced configuration store. Each namespace ("core"
// for the bot itself, plus one per command group) is a nested document
// persisted as JSON, with settings addressed by scope:
//
//   - Global: settings of the whole bot
//   - Guild: settings of one guild
//   - Channel: settings of one text channel
//   - Member: settings of one user within one guild
//   - User: settings of one user across guilds
//
// Defaults are registered per scope kind before use, and reads return a
// copy of the stored value or its default. Writes are applied in memory
// immediately and flushed to disk (or to a SQLite/Postgres table) in the
// background, atomically, by a single writer per namespace.
//
// Key components of the package include:
//
//   - Store: a namespace's document, with Get/Set/Clear by scope and key.
//   - Manager: opens and shares one Store per namespace.
//   - JSONBackend and DBBackend: where documents are persisted.
//   - Bot: the discord bot, dispatching prefix commands.
//   - Mod, Tweets, Streaming: command groups built on their own namespaces.
//   - TwitterAPI: a rate-limited client of the Twitter v1.1 REST API.
package thebotvanished
