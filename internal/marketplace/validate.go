package marketplace

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a payload against its struct tags
func Validate(entityID string, p Payload) error {
	if p == nil {
		return &ValidationError{EntityID: entityID, Err: fmt.Errorf("missing payload")}
	}
	if err := validate.Struct(p); err != nil {
		return &ValidationError{EntityType: p.EntityType(), EntityID: entityID, Err: describe(err)}
	}
	return nil
}

// describe flattens validator field errors into one readable error
func describe(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return fmt.Errorf("%s", strings.Join(parts, "; "))
}
