package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/example/fleet-realtime/internal/apperr"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report json names so errors match what the client sent
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the `validate` tags on v and returns an apperr validation
// error naming every failing field.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return apperr.Validation("invalid payload: %s", strings.Join(msgs, ", "))
	}
	return apperr.Validation("invalid payload: %v", err)
}

// DecodePayload unmarshals the envelope payload into dst and validates it.
func DecodePayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return apperr.Validation("%s: missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return apperr.Validation("%s: malformed payload", env.Type)
	}
	return Validate(dst)
}
