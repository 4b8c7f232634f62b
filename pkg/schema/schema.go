// Package schema describes the layout of a blob file: how lines and key/value pairs are
// delimited, which line ends a blob, and which type each field is coerced to.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Mode selects how a blob is laid out in the input. Only one mode exists today.
type Mode string

const (
	// ModeMultiLine is one key/value pair per line, blob closed by a sentinel line.
	ModeMultiLine Mode = "multiLine"
)

const (
	DefaultBlobEnd          = "EOB"
	DefaultKVPDelimiter     = "="
	DefaultNewlineDelimiter = "\n"
)

var (
	ErrUnsupportedMode = errors.New("unsupported mode")
	ErrInvalidSettings = errors.New("invalid settings")
)

// Type is the declared type of a field. Tags are matched case-insensitively.
type Type string

const (
	TypeString  Type = ""
	TypeInt     Type = "int"
	TypeFloat   Type = "float"
	TypeBoolean Type = "boolean"
	TypeBool    Type = "bool"
	TypeDate    Type = "date"
)

// Normalize lowercases the tag and folds "bool" into "boolean". Unknown tags become
// TypeString.
func (t Type) Normalize() Type {
	switch Type(strings.ToLower(strings.TrimSpace(string(t)))) {
	case TypeInt:
		return TypeInt
	case TypeFloat:
		return TypeFloat
	case TypeBoolean, TypeBool:
		return TypeBoolean
	case TypeDate:
		return TypeDate
	default:
		return TypeString
	}
}

type Settings struct {
	Mode             Mode   `json:"mode" yaml:"mode"`
	BlobEnd          string `json:"blobEnd" yaml:"blobEnd"`
	KVPDelimiter     string `json:"kvpDelimiter" yaml:"kvpDelimiter"`
	NewlineDelimiter string `json:"newlineDelimiter" yaml:"newlineDelimiter"`
}

type Field struct {
	Type Type `json:"type,omitempty" yaml:"type,omitempty"`
}

// Schema is read-only once validated. Streams borrow it for the duration of a run.
type Schema struct {
	Settings  Settings         `json:"settings" yaml:"settings"`
	Structure map[string]Field `json:"structure" yaml:"structure"`
}

// Default returns the sample schema: EOB-terminated blobs of id, name and location.
func Default() *Schema {
	return &Schema{
		Settings: Settings{
			Mode:             ModeMultiLine,
			BlobEnd:          DefaultBlobEnd,
			KVPDelimiter:     DefaultKVPDelimiter,
			NewlineDelimiter: DefaultNewlineDelimiter,
		},
		Structure: map[string]Field{
			"id":       {Type: TypeInt},
			"name":     {},
			"location": {},
		},
	}
}

// Validate fills unset settings with their defaults and rejects settings the parser
// cannot work with.
func (s *Schema) Validate() error {
	if s.Settings.Mode == "" {
		s.Settings.Mode = ModeMultiLine
	}
	if !strings.EqualFold(string(s.Settings.Mode), string(ModeMultiLine)) {
		return fmt.Errorf("%w: %q", ErrUnsupportedMode, s.Settings.Mode)
	}
	s.Settings.Mode = ModeMultiLine
	if s.Settings.BlobEnd == "" {
		s.Settings.BlobEnd = DefaultBlobEnd
	}
	if s.Settings.KVPDelimiter == "" {
		s.Settings.KVPDelimiter = DefaultKVPDelimiter
	}
	if s.Settings.NewlineDelimiter == "" {
		s.Settings.NewlineDelimiter = DefaultNewlineDelimiter
	}
	// A sentinel containing the line separator could never be seen as a whole line.
	if strings.Contains(s.Settings.BlobEnd, s.Settings.NewlineDelimiter) {
		return fmt.Errorf("%w: blobEnd %q contains the newline delimiter", ErrInvalidSettings, s.Settings.BlobEnd)
	}
	if strings.Contains(s.Settings.KVPDelimiter, s.Settings.NewlineDelimiter) {
		return fmt.Errorf("%w: kvpDelimiter %q contains the newline delimiter", ErrInvalidSettings, s.Settings.KVPDelimiter)
	}
	if s.Structure == nil {
		s.Structure = map[string]Field{}
	}
	return nil
}

// FieldType returns the normalized type of a field. Fields missing from the structure
// are TypeString.
func (s *Schema) FieldType(name string) Type {
	f, ok := s.Structure[name]
	if !ok {
		return TypeString
	}
	return f.Type.Normalize()
}

// Fields returns the declared field names in sorted order.
func (s *Schema) Fields() []string {
	names := make([]string, 0, len(s.Structure))
	for name := range s.Structure {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
