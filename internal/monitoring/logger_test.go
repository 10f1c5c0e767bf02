package monitoring

import (
	"fmt"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	defer SetLogger(log.Printf)

	var got []string
	SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	Logf("hello %d", 1)
	Component("sync").Printf("uploaded %d points", 3)

	assert.Equal(t, []string{"hello 1", "[sync] uploaded 3 points"}, got)

	SetLogger(nil)
	assert.NotPanics(t, func() { Logf("muted") })
}
