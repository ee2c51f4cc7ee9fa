package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrWSDisconnect  = errors.New("websocket disconnected")
)
