package thebotvanished

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"
)

// structToSlogValue converts a struct to a slog.Value, using the struct's
// JSON tag as the key for each field, if set.
// If the `log` tag is set, the value specified will override the
// field's actual value. Ex: `log:"[redacted]"` will cause "[redacted]" to
// be shown as the field's value.
func structToSlogValue(v any) slog.Value {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return slog.AnyValue(nil)
	}
	val := reflect.ValueOf(v)

	if typ.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	var groupAttrs []slog.Attr

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		jsonTag, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if jsonTag == "" {
			jsonTag = field.Name
		}

		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		if logTag := field.Tag.Get("log"); logTag != "" {
			groupAttrs = append(
				groupAttrs,
				slog.Attr{Key: jsonTag, Value: slog.StringValue(logTag)},
			)
			continue
		}

		// skip values that are nil or empty
		switch fv.Kind() {
		case reflect.Ptr:
			if fv.IsNil() {
				continue
			}
		case reflect.Map, reflect.Slice:
			if fv.IsNil() || fv.Len() == 0 {
				continue
			}
		case reflect.String:
			if fv.Len() == 0 {
				continue
			}
		}

		groupAttrs = append(
			groupAttrs,
			slog.Attr{Key: jsonTag, Value: structToSlogValue(fv.Interface())},
		)
	}
	return slog.GroupValue(groupAttrs...)
}

// formatUptime renders how long the bot has been up, like
// "1 days, 2 hours, 3 minutes, and 4 seconds", or "1d 2h 3m 4s" if brief.
func formatUptime(d time.Duration, brief bool) string {
	total := int(d.Seconds())
	hours, remainder := total/3600, total%3600
	minutes, seconds := remainder/60, remainder%60
	days, hours := hours/24, hours%24

	if brief {
		s := fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
		if days > 0 {
			s = fmt.Sprintf("%dd %s", days, s)
		}
		return s
	}
	if days > 0 {
		return fmt.Sprintf(
			"%d days, %d hours, %d minutes, and %d seconds",
			days, hours, minutes, seconds,
		)
	}
	return fmt.Sprintf("%d hours, %d minutes, and %d seconds", hours, minutes, seconds)
}

// codeBlock wraps text in a discord code block, with an optional language
// line (used as a header).
func codeBlock(text string, lang string) string {
	return fmt.Sprintf("```%s\n%s\n```", lang, text)
}

// containsString reports whether s contains v.
func containsString(s []string, v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}
