// Package connection describes the pub/sub connections a deployment talks
// to and tracks whether each one is currently connected.
package connection

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/c360/topicmodel/errors"
)

const (
	// DefaultPort is the standard MQTT port.
	DefaultPort = 1883
	// ClientIDPrefix starts every generated client id.
	ClientIDPrefix = "topicmodel-"
)

// DefaultClientID is the client id of a connection that does not set one.
// It is derived from the connection id so two connections to the same
// broker do not take over each other's session.
func DefaultClientID(id uuid.UUID) string {
	return ClientIDPrefix + id.String()[:8]
}

var settingsValidate *validator.Validate

func init() {
	settingsValidate = validator.New()
	_ = settingsValidate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// Credentials are optional broker credentials.
type Credentials struct {
	Username string `json:"username,omitempty" yaml:"username,omitempty" validate:"required_with=Password"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

// Settings describes one connection. ID is generated once and never
// changes; schema leaves refer to it.
type Settings struct {
	ID          uuid.UUID   `json:"id" yaml:"id"`
	DisplayName string      `json:"displayName" yaml:"displayName" validate:"notblank,max=128"`
	Host        string      `json:"host" yaml:"host" validate:"notblank,max=253"`
	Port        int         `json:"port" yaml:"port" validate:"min=1,max=65535"`
	ClientID    string      `json:"clientId" yaml:"clientId" validate:"notblank,max=256"`
	Credentials Credentials `json:"credentials" yaml:"credentials"`
}

// New returns settings with a fresh ID and the default port and client id.
func New(displayName, host string) Settings {
	id := uuid.New()
	return Settings{
		ID:          id,
		DisplayName: displayName,
		Host:        host,
		Port:        DefaultPort,
		ClientID:    DefaultClientID(id),
	}
}

// Validate checks one settings entry.
func (s Settings) Validate() error {
	if s.ID == uuid.Nil {
		return fmt.Errorf("%w: connection id must be set", errors.ErrInvalidSettings)
	}
	if err := settingsValidate.Struct(s); err != nil {
		return fmt.Errorf("%w: %s: %s", errors.ErrInvalidSettings, s.label(), describe(err))
	}
	return nil
}

// Address returns host:port.
func (s Settings) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s Settings) label() string {
	if strings.TrimSpace(s.DisplayName) != "" {
		return fmt.Sprintf("connection %q", s.DisplayName)
	}
	return "connection " + s.ID.String()
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		var msg string
		switch fe.Tag() {
		case "notblank":
			msg = "must not be blank"
		case "min", "max":
			msg = fmt.Sprintf("must be within 1..65535, got %v", fe.Value())
			if fe.Kind().String() == "string" {
				msg = fmt.Sprintf("is too long (max %s)", fe.Param())
			}
		case "required_with":
			msg = "is required when a password is set"
		default:
			msg = "failed " + fe.Tag()
		}
		parts = append(parts, fmt.Sprintf("%s %s", fe.Field(), msg))
	}
	return strings.Join(parts, "; ")
}

// List is the ordered list of configured connections.
type List []Settings

// Validate checks every entry and that ids are unique.
func (l List) Validate() error {
	seen := make(map[uuid.UUID]int, len(l))
	for i, s := range l {
		if err := s.Validate(); err != nil {
			return err
		}
		if j, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: entries %d and %d share id %s", errors.ErrInvalidSettings, j, i, s.ID)
		}
		seen[s.ID] = i
	}
	return nil
}

// Find returns the entry with id.
func (l List) Find(id uuid.UUID) (Settings, bool) {
	for _, s := range l {
		if s.ID == id {
			return s, true
		}
	}
	return Settings{}, false
}

// IDs returns the ids in list order.
func (l List) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(l))
	for i, s := range l {
		ids[i] = s.ID
	}
	return ids
}
