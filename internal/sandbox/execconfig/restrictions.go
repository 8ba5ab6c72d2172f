package execconfig

import (
	appErr "sandboxd/pkg/errors"
)

// ContainerRestrictions bounds the resources a single execution may consume.
type ContainerRestrictions struct {
	TimeoutSec        int  `yaml:"timeoutSec" json:"timeoutSec"`
	DiskWriteLimitMB  int  `yaml:"diskWriteLimitMB" json:"diskWriteLimitMB"`
	RAMLimitMB        int  `yaml:"ramLimitMB" json:"ramLimitMB"`
	OutputLimitKChars int  `yaml:"outputLimitKChars" json:"outputLimitKChars"`
	NetworkDisabled   bool `yaml:"networkDisabled" json:"networkDisabled"`
}

const defaultOutputLimitKChars = 100

// CandidateRestrictions is the tight preset applied to submitted code.
func CandidateRestrictions() ContainerRestrictions {
	return ContainerRestrictions{
		TimeoutSec:        60,
		DiskWriteLimitMB:  1,
		RAMLimitMB:        200,
		OutputLimitKChars: defaultOutputLimitKChars,
		NetworkDisabled:   true,
	}
}

// AuthorRestrictions is the looser preset used when compiling task definitions.
func AuthorRestrictions() ContainerRestrictions {
	return ContainerRestrictions{
		TimeoutSec:        500,
		DiskWriteLimitMB:  50,
		RAMLimitMB:        500,
		OutputLimitKChars: defaultOutputLimitKChars,
		NetworkDisabled:   false,
	}
}

// OutputLimitChars is the output budget in characters.
func (r ContainerRestrictions) OutputLimitChars() int {
	return r.OutputLimitKChars * 1000
}

// DiskWriteLimitBytes is the writable-layer budget in bytes.
func (r ContainerRestrictions) DiskWriteLimitBytes() int64 {
	return int64(r.DiskWriteLimitMB) * 1024 * 1024
}

// RAMLimitBytes is the memory limit in bytes.
func (r ContainerRestrictions) RAMLimitBytes() int64 {
	return int64(r.RAMLimitMB) * 1024 * 1024
}

// Validate rejects negative limits. A zero timeout means no timeout.
func (r ContainerRestrictions) Validate() error {
	switch {
	case r.TimeoutSec < 0:
		return restrictionError("timeoutSec", r.TimeoutSec)
	case r.DiskWriteLimitMB < 0:
		return restrictionError("diskWriteLimitMB", r.DiskWriteLimitMB)
	case r.RAMLimitMB < 0:
		return restrictionError("ramLimitMB", r.RAMLimitMB)
	case r.OutputLimitKChars < 0:
		return restrictionError("outputLimitKChars", r.OutputLimitKChars)
	}
	return nil
}

func restrictionError(field string, value int) error {
	return appErr.Newf(appErr.InvalidRestrictions, "restriction %s must not be negative", field).
		WithDetail("field", field).
		WithDetail("value", value)
}
