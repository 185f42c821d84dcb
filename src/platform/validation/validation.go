package validation

import (
	"apitracker/src/util"

	"github.com/go-playground/validator/v10"
)

// Instance is the process-wide struct validator. Custom tags are registered
// once at init; components validate their option structs through it.
var Instance = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	mustRegister(v, "notblank", util.ValidateNotBlank)
	mustRegister(v, "port", util.ValidatePort)
	mustRegister(v, "hexkey", util.ValidateHexKey)
	mustRegister(v, "hostport_list", util.ValidateHostPortList)

	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic("failed to register '" + tag + "' validator: " + err.Error())
	}
}
