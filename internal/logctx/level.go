package logctx

import (
	"fmt"
	"log/slog"
	"strings"
)

// Level orders message detail from NOTHING (most restrictive) to ROWLEVEL.
type Level int

const (
	LevelNothing Level = iota
	LevelError
	LevelMinimal
	LevelBasic
	LevelDetailed
	LevelDebug
	LevelRowlevel
)

var levelCodes = [...]string{"nothing", "error", "minimal", "basic", "detailed", "debug", "rowlevel"}

func (l Level) String() string {
	if l < LevelNothing || l > LevelRowlevel {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelCodes[l]
}

func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, c := range levelCodes {
		if c == s {
			return Level(i), nil
		}
	}
	return LevelNothing, fmt.Errorf("logctx: unknown log level %q", s)
}

// Visible reports whether a message at l is shown on a channel at channel.
func (l Level) Visible(channel Level) bool {
	return l > LevelNothing && l <= channel
}

func (l Level) slog() slog.Level {
	switch l {
	case LevelError:
		return slog.LevelError
	case LevelMinimal, LevelBasic:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }
