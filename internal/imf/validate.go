package imf

import (
	"strconv"
	"strings"

	"github.com/lox/imfdata/internal/models"
)

const (
	FlagPeriodMissing      = "time_period_missing"
	FlagValueMissing       = "obs_value_missing"
	FlagValueNonNumeric    = "obs_value_non_numeric"
	FlagUnitMultNonInteger = "unit_mult_non_integer"
	FlagTimeFormatInvalid  = "time_format_invalid"
)

// ValidateObservation flags fields that later pipeline stages will reject.
// Flagged observations are still returned; flags only feed the ingest audit.
func ValidateObservation(obs *models.Observation) []string {
	var flags []string

	if strings.TrimSpace(obs.TimePeriod) == "" {
		flags = append(flags, FlagPeriodMissing)
	}

	if strings.TrimSpace(obs.ObsValue) == "" {
		flags = append(flags, FlagValueMissing)
	} else if _, err := strconv.ParseFloat(strings.TrimSpace(obs.ObsValue), 64); err != nil {
		flags = append(flags, FlagValueNonNumeric)
	}

	if obs.UnitMult != "" {
		if _, err := strconv.Atoi(strings.TrimSpace(obs.UnitMult)); err != nil {
			flags = append(flags, FlagUnitMultNonInteger)
		}
	}

	if obs.TimeFormat != "" && !strings.HasPrefix(obs.TimeFormat, "P") {
		flags = append(flags, FlagTimeFormatInvalid)
	}

	return flags
}
