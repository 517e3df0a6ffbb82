package interfaces

import "errors"

var (
	// ErrJobNotFound is returned when a job id has no row
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists is returned when creating a job whose id is taken
	ErrJobExists = errors.New("job already exists")
)
