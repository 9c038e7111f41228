package models

import "errors"

var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrNotFound               = errors.New("not found")
	ErrAlreadySettled         = errors.New("pot already settled")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrExternalPaymentFailure = errors.New("external payment failure")
	ErrIntentNotFound         = errors.New("rejection intent not found")
	ErrIntentExpired          = errors.New("rejection intent expired")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInvalidInput           = errors.New("invalid input")
	ErrReferenceConflict      = errors.New("reference already used by another transaction")
	ErrLockHeld               = errors.New("lock held by another worker")
)
