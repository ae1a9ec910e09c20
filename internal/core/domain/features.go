package domain

// Well-known feature keys.
const (
	FeatureAudio           = "audio"
	FeatureVideo           = "video"
	FeatureUsername        = "username"
	FeatureRemoveAllTracks = "removeAllTracks"
)

// Features maps a feature key to a bool or string value.
type Features map[string]any

// Clone returns a shallow copy of f.
func (f Features) Clone() Features {
	out := make(Features, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Bool returns the value for key as a bool. The string "true" counts as
// true, since some peers share flags as strings.
func (f Features) Bool(key string) bool {
	switch v := f[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// String returns the value for key when it is a string.
func (f Features) String(key string) (string, bool) {
	v, ok := f[key].(string)
	return v, ok
}
