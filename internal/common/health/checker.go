package health

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// Checker reports whether a component is healthy.
type Checker interface {
	Check() error
}

// StartupCompleteChecker fails until MarkComplete is called.
type StartupCompleteChecker struct {
	complete atomic.Bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.complete.Store(true)
}

func (c *StartupCompleteChecker) Check() error {
	if c.complete.Load() {
		return nil
	}
	return errors.New("startup is not complete")
}

// FuncChecker adapts a function to the Checker interface.
type FuncChecker func() error

func (f FuncChecker) Check() error {
	return f()
}
