package subject

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"mercator-hq/custodian/pkg/compliance"
)

// MaxSubjectIDLength bounds subject identifiers.
const MaxSubjectIDLength = 64

// tokenLength is the encoded length of 32 random bytes in unpadded base64url.
const tokenLength = 43

// subjectValidate is shared by every request type in this package.
var subjectValidate *validator.Validate

func init() {
	subjectValidate = validator.New()
	subjectValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	_ = subjectValidate.RegisterValidation("subject_id", validateSubjectID)
	_ = subjectValidate.RegisterValidation("deletion_token", validateDeletionToken)
	_ = subjectValidate.RegisterValidation("export_format", validateExportFormat)
}

// validateSubjectID accepts [A-Za-z0-9_-]{1,64}, excluding the reserved
// ledger actors.
func validateSubjectID(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	if id == "" || len(id) > MaxSubjectIDLength {
		return false
	}
	if id == compliance.ActorSystem || id == compliance.ActorAnonymous {
		return false
	}
	for _, r := range id {
		if !isIdentRune(r) {
			return false
		}
	}
	return true
}

func validateDeletionToken(fl validator.FieldLevel) bool {
	tok := fl.Field().String()
	if len(tok) != tokenLength {
		return false
	}
	for _, r := range tok {
		if !isIdentRune(r) {
			return false
		}
	}
	return true
}

func validateExportFormat(fl validator.FieldLevel) bool {
	switch compliance.ExportFormat(fl.Field().String()) {
	case compliance.FormatStructured, compliance.FormatFlat:
		return true
	}
	return false
}

func isIdentRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-'
}

// ValidateSubjectID checks a bare subject id.
func ValidateSubjectID(id string) error {
	if err := subjectValidate.Var(id, "subject_id"); err != nil {
		return compliance.NewValidationError("subject_id", "must be 1-64 characters of [A-Za-z0-9_-] and not a reserved actor")
	}
	return nil
}

// validate runs struct validation and converts the first failure into a
// compliance.ValidationError.
func validate(v any) error {
	err := subjectValidate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return compliance.NewValidationError("request", err.Error())
	}
	fe := verrs[0]
	return compliance.NewValidationError(fe.Field(), messageFor(fe))
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "subject_id":
		return "must be 1-64 characters of [A-Za-z0-9_-] and not a reserved actor"
	case "deletion_token":
		return "is malformed"
	case "export_format":
		return "must be structured or flat"
	}
	return "failed " + fe.Tag() + " validation"
}
