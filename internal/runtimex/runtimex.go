// Package runtimex contains helpers that abort on programming errors.
package runtimex

import "fmt"

// PanicOnError panics with a wrapped error if err is not nil.
func PanicOnError(err error, message string) {
	if err != nil {
		panic(fmt.Errorf("%s: %w", message, err))
	}
}

// Assert panics with the given message if the assertion does not hold.
func Assert(assertion bool, message string) {
	if !assertion {
		panic(message)
	}
}
