package domain

import "errors"

var (
	ErrBrokerClosed    = errors.New("broker: closed")
	ErrTaskNotFound    = errors.New("broker: task not found")
	ErrJobNotFound     = errors.New("broker: job not found")
	ErrPathMismatch    = errors.New("broker: task does not match queue path")
	ErrConsumerClosed  = errors.New("broker: consumer connection closed")
	ErrSpotUnsupported = errors.New("provision: provider has no spot market")
)
