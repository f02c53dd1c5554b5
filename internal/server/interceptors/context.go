package interceptors

import "context"

type contextKey struct{ name string }

var deviceIDKey = contextKey{"device_id"}

// WithDevice returns a context carrying the authenticated device id.
func WithDevice(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// GetDeviceID returns the device_id from context and true if set; otherwise "", false.
func GetDeviceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(deviceIDKey).(string)
	return v, ok
}
