package manager

import (
	"errors"

	"github.com/munition/munition/pkg/runtime"
)

func asInvalidModule(err error, target **runtime.InvalidModuleError) bool {
	return errors.As(err, target)
}

func asLinkError(err error, target **runtime.LinkError) bool {
	return errors.As(err, target)
}

func asInstantiationTrap(err error, target **runtime.InstantiationTrapError) bool {
	return errors.As(err, target)
}

func asFuelExhausted(err error, target **runtime.FuelExhaustedError) bool {
	return errors.As(err, target)
}

func asTrap(err error, target **runtime.TrapError) bool {
	return errors.As(err, target)
}
