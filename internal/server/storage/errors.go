package storage

import "errors"

// Common storage errors
var (
	// ErrMemberNotFound пользователь не состоит в workspace
	ErrMemberNotFound = errors.New("workspace member not found")

	// ErrMemberAlreadyExists пользователь уже состоит в workspace
	ErrMemberAlreadyExists = errors.New("workspace member already exists")

	// ErrCursorNotFound курсор устройства еще не зарегистрирован
	ErrCursorNotFound = errors.New("device cursor not found")

	// ErrUnknownOperation операция не put и не delete
	ErrUnknownOperation = errors.New("unknown operation")
)
