package scripts

// Unit classifies a sensor's value for display purposes.
//
// UnitInvalid is the "no classification" outcome: unrecognized codes resolve
// to it silently rather than producing an error.
type Unit int

const (
	UnitInvalid Unit = iota - 1
	UnitNone
	UnitByte
	UnitByteRate
	UnitHertz
	UnitBootTimestamp
	UnitSecond
	UnitTime
	UnitTicks
	UnitCelsius
	UnitBitRate
	UnitDecibelMilliWatts
	UnitPercent
	UnitRate
	UnitRpm
	UnitVolt
	UnitWatt
	UnitWattHour
	UnitAmpere
)

// MetricPrefix scales a unit for display (kilo, mega, ...).
// PrefixAutoAdjust lets the host pick a prefix based on magnitude.
type MetricPrefix int

const (
	PrefixUnity MetricPrefix = iota
	PrefixKilo
	PrefixMega
	PrefixGiga
	PrefixTera
	PrefixPeta
	PrefixAutoAdjust
)

// unitCodes maps wire codes to units. "*" is an explicit "invalid/unset"
// marker scripts may send; it is a valid reply, not an error.
var unitCodes = map[string]Unit{
	"-":         UnitNone,
	"B":         UnitByte,
	"B/s":       UnitByteRate,
	"Hz":        UnitHertz,
	"Timestamp": UnitBootTimestamp,
	"s":         UnitSecond,
	"Time":      UnitTime,
	"Ticks":     UnitTicks,
	"C":         UnitCelsius,
	"b/s":       UnitBitRate,
	"dBm":       UnitDecibelMilliWatts,
	"%":         UnitPercent,
	"rate":      UnitRate,
	"rpm":       UnitRpm,
	"V":         UnitVolt,
	"W":         UnitWatt,
	"Wh":        UnitWattHour,
	"A":         UnitAmpere,
	"*":         UnitInvalid,
}

var prefixCodes = map[byte]MetricPrefix{
	'-': PrefixUnity,
	'K': PrefixKilo,
	'M': PrefixMega,
	'G': PrefixGiga,
	'T': PrefixTera,
	'P': PrefixPeta,
	'!': PrefixAutoAdjust,
}

// ResolveUnit maps a textual unit code from a script to a metric prefix and
// unit. The whole code is matched first; failing that, the first character is
// consumed as a metric prefix and the remainder matched as the unit (the
// older protocol variant, e.g. "KB/s"). Unrecognized codes resolve to
// (PrefixUnity, UnitInvalid).
func ResolveUnit(code string) (MetricPrefix, Unit) {
	if u, ok := unitCodes[code]; ok {
		return PrefixUnity, u
	}
	if len(code) > 1 {
		if p, ok := prefixCodes[code[0]]; ok {
			if u, ok := unitCodes[code[1:]]; ok {
				return p, u
			}
		}
	}
	return PrefixUnity, UnitInvalid
}

var unitNames = map[Unit]string{
	UnitInvalid:           "invalid",
	UnitNone:              "none",
	UnitByte:              "byte",
	UnitByteRate:          "byte-rate",
	UnitHertz:             "hertz",
	UnitBootTimestamp:     "boot-timestamp",
	UnitSecond:            "second",
	UnitTime:              "time",
	UnitTicks:             "ticks",
	UnitCelsius:           "celsius",
	UnitBitRate:           "bit-rate",
	UnitDecibelMilliWatts: "dBm",
	UnitPercent:           "percent",
	UnitRate:              "rate",
	UnitRpm:               "rpm",
	UnitVolt:              "volt",
	UnitWatt:              "watt",
	UnitWattHour:          "watt-hour",
	UnitAmpere:            "ampere",
}

func (u Unit) String() string {
	if s, ok := unitNames[u]; ok {
		return s
	}
	return "invalid"
}

func (p MetricPrefix) String() string {
	switch p {
	case PrefixUnity:
		return ""
	case PrefixKilo:
		return "K"
	case PrefixMega:
		return "M"
	case PrefixGiga:
		return "G"
	case PrefixTera:
		return "T"
	case PrefixPeta:
		return "P"
	case PrefixAutoAdjust:
		return "auto"
	}
	return ""
}
