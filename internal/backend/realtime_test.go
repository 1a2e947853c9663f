package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fjg67/IT-Inventory-sub000/internal/logging"
	"github.com/fjg67/IT-Inventory-sub000/internal/models"
)

func testRealtime(t *testing.T, onChange func(models.EntityType)) *Realtime {
	t.Helper()
	return NewRealtime("https://sync.example.com", "key", "handheld-7", logging.NewLogger("development"), onChange)
}

func TestNewRealtime_DerivesWebsocketURL(t *testing.T) {
	r := testRealtime(t, nil)
	assert.Equal(t, "wss://sync.example.com/realtime", r.url)

	plain := NewRealtime("http://localhost:8080", "key", "dev", logging.NewLogger("development"), nil)
	assert.Equal(t, "ws://localhost:8080/realtime", plain.url)
}

func TestHandleFrame_ChangeInvokesCallback(t *testing.T) {
	var got []models.EntityType
	r := testRealtime(t, func(e models.EntityType) { got = append(got, e) })

	r.handleFrame([]byte(`{"op":"change","entity":"article"}`))
	r.handleFrame([]byte(`{"op":"change","entity":"stock_movement"}`))

	assert.Equal(t, []models.EntityType{models.EntityArticle, models.EntityStockMovement}, got)
}

func TestHandleFrame_UnknownEntityIgnored(t *testing.T) {
	called := false
	r := testRealtime(t, func(models.EntityType) { called = true })

	r.handleFrame([]byte(`{"op":"change","entity":"warehouse"}`))

	assert.False(t, called)
}

func TestHandleFrame_NonChangeFramesIgnored(t *testing.T) {
	called := false
	r := testRealtime(t, func(models.EntityType) { called = true })

	r.handleFrame([]byte(`{"op":"pong"}`))
	r.handleFrame([]byte(`{"op":"subscribe_ack"}`))
	r.handleFrame([]byte(`not json at all`))
	r.handleFrame(nil)

	assert.False(t, called)
}
