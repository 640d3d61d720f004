// Package payload decodes and validates "send message" requests taken off the queue.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrMalformedPayload is returned when the body is not UTF-8 encoded JSON object
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrInvalidPayload is returned when the JSON decodes but breaks a structural rule
	ErrInvalidPayload = errors.New("invalid payload")
)

// Notification is a validated send request. Treat it as immutable.
type Notification struct {
	Numbers []string `json:"numbers" validate:"required,min=1,dive,required"`
	Content string   `json:"content" validate:"required"`
	APIKey  string   `json:"api_key" validate:"required"`
}

// ValidationError names the field that failed validation
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s %s", ErrInvalidPayload, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPayload
}

// wireNotification keeps every field raw so type mismatches can be reported per field
type wireNotification struct {
	Numbers json.RawMessage `json:"numbers"`
	Content json.RawMessage `json:"content"`
	APIKey  json.RawMessage `json:"api_key"`
}

// Validator turns raw message bodies into Notifications
type Validator struct {
	validate      *validator.Validate
	defaultAPIKey string
}

// NewValidator creates a validator. defaultAPIKey fills in api_key when a message omits it.
func NewValidator(defaultAPIKey string) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	return &Validator{
		validate:      v,
		defaultAPIKey: defaultAPIKey,
	}
}

// Validate decodes body and checks the structural invariants.
// Errors wrap ErrMalformedPayload or ErrInvalidPayload.
func (v *Validator) Validate(body []byte) (Notification, error) {
	if !utf8.Valid(body) {
		return Notification{}, fmt.Errorf("%w: body is not valid UTF-8", ErrMalformedPayload)
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Notification{}, fmt.Errorf("%w: body is not a JSON object", ErrMalformedPayload)
	}

	var wire wireNotification
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	numbers, err := decodeNumbers(wire.Numbers)
	if err != nil {
		return Notification{}, err
	}

	content, err := decodeString("content", wire.Content)
	if err != nil {
		return Notification{}, err
	}

	apiKey, err := decodeString("api_key", wire.APIKey)
	if err != nil {
		return Notification{}, err
	}
	if apiKey == "" {
		apiKey = v.defaultAPIKey
	}

	n := Notification{
		Numbers: numbers,
		Content: content,
		APIKey:  apiKey,
	}

	if err := v.validate.Struct(n); err != nil {
		return Notification{}, toValidationError(err)
	}

	return n, nil
}

// decodeNumbers accepts strings and JSON numbers and returns them as strings.
// A missing field yields nil so that "required" and "min" can tell absent from empty.
func decodeNumbers(raw json.RawMessage) ([]string, error) {
	if isNull(raw) {
		return nil, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &ValidationError{Field: "numbers", Reason: "must be an array"}
	}

	numbers := make([]string, 0, len(items))
	for i, item := range items {
		dec := json.NewDecoder(bytes.NewReader(item))
		dec.UseNumber()

		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return nil, &ValidationError{Field: fmt.Sprintf("numbers[%d]", i), Reason: "is not valid JSON"}
		}

		switch typed := value.(type) {
		case string:
			numbers = append(numbers, typed)
		case json.Number:
			numbers = append(numbers, typed.String())
		default:
			return nil, &ValidationError{Field: fmt.Sprintf("numbers[%d]", i), Reason: "must be a string or number"}
		}
	}

	return numbers, nil
}

func decodeString(field string, raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &ValidationError{Field: field, Reason: "must be a string"}
	}
	return s, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func toValidationError(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	fe := errs[0]
	reason := "is invalid"
	switch fe.Tag() {
	case "required":
		reason = "is required"
		if strings.HasPrefix(fe.Field(), "numbers[") {
			reason = "must not be empty"
		}
	case "min":
		reason = "must be a non-empty array"
	}

	return &ValidationError{Field: fe.Field(), Reason: reason}
}

// Summary shortens content for log lines
func (n Notification) Summary() string {
	const limit = 50
	content := n.Content
	if utf8.RuneCountInString(content) > limit {
		content = string([]rune(content)[:limit]) + "..."
	}
	return fmt.Sprintf("%d recipient(s): %q", len(n.Numbers), content)
}
