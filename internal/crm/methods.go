package crm

// REST methods issued by the gateway's callers.
const (
	MethodSendMessages     = "imconnector.send.messages"
	MethodStatusDelivery   = "imconnector.send.status.delivery"
	MethodActivate         = "imconnector.activate"
	MethodOpenLinesAdd     = "imopenlines.config.add"
	MethodNotifySystemAdd  = "im.notify.system.add"
	MethodMessageAdd       = "im.message.add"
	MethodDiskGetForApp    = "disk.storage.getforapp"
	MethodDiskUploadFile   = "disk.storage.uploadfile"
	MethodDiskExternalLink = "disk.file.getExternalLink"
)

// Result is a decoded CRM response body.
type Result map[string]any

// String returns the string value at key, or "".
func (r Result) String(key string) string {
	value, _ := r[key].(string)
	return value
}

// Int returns the numeric value at key as int64, accepting the float64 that
// encoding/json produces.
func (r Result) Int(key string) int64 {
	switch v := r[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// Sub returns the nested object at key, or nil.
func (r Result) Sub(key string) Result {
	value, _ := r[key].(map[string]any)
	return value
}
