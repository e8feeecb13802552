package epicsync

import "errors"

// ErrAlreadyRunning is returned when Start is called on a running monitor.
var ErrAlreadyRunning = errors.New("epicsync: monitor already running")

// ErrNotRunning is returned when Stop is called on a stopped monitor.
var ErrNotRunning = errors.New("epicsync: monitor not running")

// ErrAlreadyMonitored is returned when adding an epic that is registered.
var ErrAlreadyMonitored = errors.New("epicsync: epic already monitored")

// ErrNotMonitored is returned when operating on an unregistered epic.
var ErrNotMonitored = errors.New("epicsync: epic not monitored")

// ErrInvalidInput is returned when input fails validation.
var ErrInvalidInput = errors.New("epicsync: invalid input")
