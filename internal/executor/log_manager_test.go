package executor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/taskscheduler/internal/model"
)

func TestTaskLog_LineWriter(t *testing.T) {
	log := NewTaskLog(0)
	w := log.Writer(model.LogInfo)

	_, err := w.Write([]byte("first line\nsecond "))
	require.NoError(t, err)
	_, err = w.Write([]byte("line\r\n\nthird"))
	require.NoError(t, err)

	lines := log.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "first line", lines[0].Message)
	assert.Equal(t, "second line", lines[1].Message)

	w.Flush()
	w.Flush()
	lines = log.Lines()
	require.Len(t, lines, 3)
	assert.Equal(t, "third", lines[2].Message)
	assert.Equal(t, model.LogInfo, lines[2].Severity)
}

func TestTaskLog_Cap(t *testing.T) {
	log := NewTaskLog(3)
	for i := 0; i < 5; i++ {
		log.Infof("line %d", i)
	}
	log.Errorf("final")

	lines := log.Lines()
	require.Len(t, lines, 4)
	assert.Equal(t, "line 2", lines[2].Message)
	assert.Equal(t, model.LogWarning, lines[3].Severity)
	assert.Equal(t, fmt.Sprintf("%d log lines dropped", 3), lines[3].Message)
}
