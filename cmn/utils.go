package cmn

import (
	"os"
	"reflect"

	jsoniter "github.com/json-iterator/go"
)

// CopyStruct performs a shallow copy of src into dst. Config carries only
// values and maps of values, so a shallow copy behaves as a deep copy for
// the purposes of BeginUpdate's snapshot.
func CopyStruct(dst, src interface{}) {
	x := reflect.ValueOf(src).Elem()
	y := reflect.ValueOf(dst).Elem()
	y.Set(x)
}

func CreateDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

// LocalLoad reads a JSON-encoded file at path into v.
func LocalLoad(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return jsoniter.Unmarshal(b, v)
}

// LocalSave writes v to path as JSON, overwriting any existing file.
func LocalSave(path string, v interface{}) error {
	b, err := jsoniter.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}
