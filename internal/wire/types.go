package wire

// Format tags the payload encoding of a modify command or a result set.
type Format uint8

// Wire values are fixed; append new formats, never renumber.
const (
	FormatJSON  Format = 0
	FormatCJSON Format = 1
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatCJSON:
		return "cjson"
	}
	return "unknown"
}

// ParseFormat maps a wire value onto a Format.
func ParseFormat(v uint64) (Format, error) {
	if v > uint64(FormatCJSON) {
		return 0, &UnrecognizedError{Enum: "format", Value: v}
	}
	return Format(v), nil
}

// Mode is the item modification mode.
type Mode uint8

const (
	ModeUpdate Mode = 0
	ModeInsert Mode = 1
	ModeUpsert Mode = 2
	ModeDelete Mode = 3
)

func (m Mode) String() string {
	switch m {
	case ModeUpdate:
		return "update"
	case ModeInsert:
		return "insert"
	case ModeUpsert:
		return "upsert"
	case ModeDelete:
		return "delete"
	}
	return "unknown"
}

// ParseMode maps a wire value onto a Mode.
func ParseMode(v uint64) (Mode, error) {
	if v > uint64(ModeDelete) {
		return 0, &UnrecognizedError{Enum: "modify mode", Value: v}
	}
	return Mode(v), nil
}

// Result header flags.
const (
	FlagExplain      byte = 1 << 0
	FlagAggregations byte = 1 << 1
	FlagShared       byte = 1 << 2

	knownFlags = FlagExplain | FlagAggregations | FlagShared
)
