package core

import "errors"

var (
	ErrInvalidSource   = errors.New("invalid source url")
	ErrDuplicateSource = errors.New("a download with the same source url already exists")
	ErrJobNotFound     = errors.New("download job not found")
	ErrJobNotCompleted = errors.New("download job is not completed")
)
