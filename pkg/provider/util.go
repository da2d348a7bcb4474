package provider

import (
	"errors"
	"strconv"
)

// ErrDisconnected is returned by WaitSynced when the provider
// disconnects before ever reaching synced state.
var ErrDisconnected = errors.New("provider: disconnected before synced")

func uitoa(v uint64) string { return strconv.FormatUint(v, 10) }
func itoa64(v int64) string { return strconv.FormatInt(v, 10) }
func btoa(v bool) string    { return strconv.FormatBool(v) }
