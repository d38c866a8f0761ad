package dish

import (
	"errors"
	"fmt"
	"time"
)

// SettingKind identifies which value a Setting carries.
type SettingKind string

const (
	SettingString SettingKind = "string"
	SettingNumber SettingKind = "number"
	SettingDate   SettingKind = "date"
	SettingSub    SettingKind = "sub"
)

// Operator setting keys read by the engine.
const (
	SettingAutoRetrain = "autoRetrain"
)

// ErrSettingKind is returned when a setting is read as the wrong kind.
var ErrSettingKind = errors.New("setting has a different kind")

// Setting is an operator-controlled key with exactly one typed value.
// Only the field matching Kind is meaningful.
type Setting struct {
	Key    string
	Kind   SettingKind
	String string
	Number float64
	Date   time.Time
	Sub    *Setting
}

// StringSetting builds a string setting.
func StringSetting(key, v string) Setting {
	return Setting{Key: key, Kind: SettingString, String: v}
}

// NumberSetting builds a numeric setting.
func NumberSetting(key string, v float64) Setting {
	return Setting{Key: key, Kind: SettingNumber, Number: v}
}

// DateSetting builds a date setting.
func DateSetting(key string, v time.Time) Setting {
	return Setting{Key: key, Kind: SettingDate, Date: v}
}

// SubSetting builds a setting that nests another setting.
func SubSetting(key string, v Setting) Setting {
	return Setting{Key: key, Kind: SettingSub, Sub: &v}
}

// Value returns the populated value for the setting's kind.
func (s Setting) Value() (any, error) {
	switch s.Kind {
	case SettingString:
		return s.String, nil
	case SettingNumber:
		return s.Number, nil
	case SettingDate:
		return s.Date, nil
	case SettingSub:
		if s.Sub == nil {
			return nil, fmt.Errorf("setting %q: empty sub setting", s.Key)
		}
		return *s.Sub, nil
	default:
		return nil, fmt.Errorf("setting %q: unknown kind %q", s.Key, s.Kind)
	}
}

// Bool interprets a string or number setting as a switch, following sub
// settings. "true"/"on"/"1"/"yes" and non-zero numbers are true.
func (s Setting) Bool() (bool, error) {
	switch s.Kind {
	case SettingString:
		switch s.String {
		case "true", "on", "1", "yes":
			return true, nil
		case "false", "off", "0", "no", "":
			return false, nil
		}
		return false, fmt.Errorf("setting %q: %q is not a switch value", s.Key, s.String)
	case SettingNumber:
		return s.Number != 0, nil
	case SettingSub:
		if s.Sub == nil {
			return false, fmt.Errorf("setting %q: empty sub setting", s.Key)
		}
		return s.Sub.Bool()
	case SettingDate:
		return false, fmt.Errorf("setting %q: %w", s.Key, ErrSettingKind)
	default:
		return false, fmt.Errorf("setting %q: unknown kind %q", s.Key, s.Kind)
	}
}
