package record

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/rollcall/core"
)

var (
	kindTag  = "record_kind"
	kindText = "{0} must be attendance or assessment"

	statusTag  = "attendance_status"
	statusText = "{0} must be one of present, absent, late, excused"

	payloadTag  = "payload_kind"
	payloadText = "the payload does not match the record kind"

	scoreTag  = "score_range"
	scoreText = "score must not exceed max_score"
)

// InitValidators registers the record validators.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(kindTag, func(fl validator.FieldLevel) bool {
		return Kind(fl.Field().String()).IsValid()
	})
	core.RegisterCustomTranslation(validate, translator, kindTag, kindText)

	_ = validate.RegisterValidation(statusTag, func(fl validator.FieldLevel) bool {
		return AttendanceStatus(fl.Field().String()).IsValid()
	})
	core.RegisterCustomTranslation(validate, translator, statusTag, statusText)

	validate.RegisterStructValidation(newRecordStructValidation, NewRecord{})
	core.RegisterCustomTranslation(validate, translator, payloadTag, payloadText)

	validate.RegisterStructValidation(assessmentStructValidation, AssessmentPayload{})
	core.RegisterCustomTranslation(validate, translator, scoreTag, scoreText)
}

// newRecordStructValidation checks that exactly the payload matching the kind is set.
func newRecordStructValidation(sl validator.StructLevel) {
	nr, ok := sl.Current().Interface().(NewRecord)
	if !ok {
		return
	}
	p := nr.Payload
	switch nr.Kind {
	case KindAttendance:
		if p.Attendance == nil || p.Assessment != nil {
			sl.ReportError(nr.Payload, "payload", "Payload", payloadTag, "")
		}
	case KindAssessment:
		if p.Assessment == nil || p.Attendance != nil {
			sl.ReportError(nr.Payload, "payload", "Payload", payloadTag, "")
		}
	}
}

func assessmentStructValidation(sl validator.StructLevel) {
	if a, ok := sl.Current().Interface().(AssessmentPayload); ok && a.Score > a.MaxScore {
		sl.ReportError(a.Score, "score", "Score", scoreTag, "")
	}
}
