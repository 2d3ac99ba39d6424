package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/c360studio/taskbatch/workflow"
)

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// Coder is implemented by errors that carry a provider error code.
type Coder interface {
	Code() string
}

// ClassifierConfig lists which signals mark an error as transient.
type ClassifierConfig struct {
	// TransientStatuses are HTTP statuses treated as transient.
	TransientStatuses []int `yaml:"transient_statuses" json:"transient_statuses"`

	// TransientCodes are error codes (case-insensitive) treated as transient.
	TransientCodes []string `yaml:"transient_codes" json:"transient_codes"`

	// NetworkTransient treats net.Error and per-call deadlines as transient.
	NetworkTransient bool `yaml:"network_transient" json:"network_transient"`
}

// DefaultClassifierConfig covers throttling, timeouts and gateway failures.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		TransientStatuses: []int{408, 429, 500, 502, 503, 504},
		TransientCodes: []string{
			"ThrottlingException",
			"TooManyRequestsException",
			"ServiceUnavailableException",
			"RequestTimeout",
			"rate_limit_exceeded",
			"overloaded_error",
			"MALFORMED_RESPONSE",
		},
		NetworkTransient: true,
	}
}

// Classifier maps errors to a Class using an explicit configuration.
type Classifier struct {
	statuses map[int]struct{}
	codes    map[string]struct{}
	network  bool
}

// NewClassifier builds a classifier from cfg.
func NewClassifier(cfg ClassifierConfig) Classifier {
	c := Classifier{
		statuses: make(map[int]struct{}, len(cfg.TransientStatuses)),
		codes:    make(map[string]struct{}, len(cfg.TransientCodes)),
		network:  cfg.NetworkTransient,
	}
	for _, s := range cfg.TransientStatuses {
		c.statuses[s] = struct{}{}
	}
	for _, code := range cfg.TransientCodes {
		c.codes[strings.ToLower(code)] = struct{}{}
	}
	return c
}

// Classify returns the retry class of err. Errors already typed by the
// workflow taxonomy keep their class; everything else is looked up by status,
// code and network signals, and defaults to permanent.
func (c Classifier) Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	switch workflow.ClassifyError(err) {
	case workflow.ErrorTypeTransient:
		return ClassTransient
	case workflow.ErrorTypePermanent, workflow.ErrorTypeValidation:
		return ClassPermanent
	}

	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if _, ok := c.statuses[sc.StatusCode()]; ok {
			return ClassTransient
		}
	}

	var coded Coder
	if errors.As(err, &coded) {
		if _, ok := c.codes[strings.ToLower(coded.Code())]; ok {
			return ClassTransient
		}
	}

	if c.network {
		if errors.Is(err, context.DeadlineExceeded) {
			return ClassTransient
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return ClassTransient
		}
	}

	return ClassPermanent
}
