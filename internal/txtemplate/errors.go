package txtemplate

import "errors"

// ErrInvalidABI is returned when the stored ABI JSON cannot be parsed.
var ErrInvalidABI = errors.New("invalid abi")

// ErrFunctionNotFound is returned when the template's function name is not
// present in its ABI.
var ErrFunctionNotFound = errors.New("function not found in abi")

// ErrInvalidTopicMapping is returned when the suffix of a topic{k} slot is
// not a non-negative decimal integer (e.g. "topicX").
var ErrInvalidTopicMapping = errors.New("invalid topic mapping")

// ErrTopicOutOfIndex is returned when k in topic{k} is out of range for the
// triggering log's topic list.
var ErrTopicOutOfIndex = errors.New("topic index out of range")

// ErrInvalidArgsCount is returned when the template's param count does not
// match the target function's declared input count.
var ErrInvalidArgsCount = errors.New("argument count mismatch")

// ErrInvalidDataType is returned when a resolved argument cannot be coerced
// to its ABI-declared type.
var ErrInvalidDataType = errors.New("invalid argument type")
