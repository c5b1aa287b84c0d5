package model

import (
	"errors"
)

var (
	ErrNoConfig = errors.New("no configuration file found")
)
