package entities

import "errors"

var ErrStoreEntityNotFound = errors.New("store resource not found")
var ErrCheckpointRegression = errors.New("checkpoint must not move backwards")

// ErrInvalidJob marks a job that can never succeed. It is dead-lettered without retries.
var ErrInvalidJob = errors.New("invalid job")
var ErrInvalidPosition = errors.New("invalid shield position")

var ErrTransactionReverted = errors.New("transaction reverted")

// ErrTransactionReplaced marks a signed transaction whose nonce was used by another transaction.
var ErrTransactionReplaced = errors.New("transaction nonce already used")
var ErrAlreadyRegistered = errors.New("operator already registered")
