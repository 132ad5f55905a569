package emergency

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeDescription(t *testing.T) {
	assert.Equal(t, "Generic Error", CodeDescription(0x1000))
	// Falls back to the code class
	assert.Equal(t, "Current, device output side", CodeDescription(0x2310))
	assert.Equal(t, "Unknown", CodeDescription(0x0042))
}

func TestMessage(t *testing.T) {
	message := Message(0x8130, 0x11, [5]byte{'O', 'V', 'L', 0x01, 0xFF})
	assert.Contains(t, message, "code: x8130")
	assert.Contains(t, message, "error register: x11")
	assert.Contains(t, message, "4f 56 4c 01 ff")
	assert.Contains(t, message, "OVL..")
}
