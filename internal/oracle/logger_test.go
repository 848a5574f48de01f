package oracle

import (
	"io"

	"github.com/sirupsen/logrus"
)

func nopLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
