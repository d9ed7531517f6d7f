package dberr

// Engine error codes. The numbering matches the embedded engine's C API.
const (
	CodeOK                   = 0
	CodeParseSQL             = 1
	CodeQueryExec            = 2
	CodeParams               = 3
	CodeLogic                = 4
	CodeParseJSON            = 5
	CodeAssert               = 6
	CodeConflict             = 7
	CodeNotValid             = 11
	CodeNotFound             = 13
	CodeStateInvalidated     = 14
	CodeBadTransaction       = 15
	CodeTimeout              = 19
	CodeCanceled             = 20
	CodeNamespaceInvalidated = 23
)

// FromEngine classifies an engine failure. def is the kind used for codes
// whose meaning depends on the operation, such as NotFound or Params.
func FromEngine(op string, code int, msg string, def Kind) error {
	if code == CodeOK {
		return nil
	}
	k := def
	switch code {
	case CodeParseSQL, CodeQueryExec:
		k = KindQuery
	case CodeTimeout, CodeCanceled:
		k = KindTimeout
	case CodeStateInvalidated, CodeNamespaceInvalidated:
		k = KindNamespace
	case CodeBadTransaction:
		k = KindTransactionState
	case CodeNotValid:
		k = KindConnection
	case CodeAssert:
		k = KindEngineFatal
	}
	return &Error{Kind: k, Op: op, Code: code, Msg: msg}
}
