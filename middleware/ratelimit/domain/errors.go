package domain

import "github.com/zeebo/errs"

var (
	// ErrValidation indica documento de regra/ban malformado. O erro embrulha um
	// *FieldError com o campo ofensor.
	ErrValidation = errs.Class("validation")
	// ErrNotFound indica id de regra ou ban desconhecido.
	ErrNotFound = errs.Class("not found")
	// ErrPersistence indica falha de leitura/escrita no KV.
	ErrPersistence = errs.Class("persistence")
	// ErrLoad indica registro persistido corrompido durante a inicialização.
	ErrLoad = errs.Class("load")
)

// FieldError descreve qual campo do documento foi rejeitado e por quê.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return "parameter `" + e.Field + "` " + e.Reason
}

func fieldErr(field, reason string) error {
	return ErrValidation.Wrap(&FieldError{Field: field, Reason: reason})
}
