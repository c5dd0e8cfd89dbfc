/*
Package errors implements custom error interfaces for clearway.

Error declarations should be generic and cover broad range of cases. Each
returned error instance can wrap a generic error declaration to add more
details. Matching is done on the root error, so a wrapped instance still
tests positive against its kind:

	err := errors.Wrap(errors.ErrTimeout, "waiting for transfer")
	errors.ErrTimeout.Is(err) // true
*/
package errors
