package cmn

// SimpleKVs is a flat string-to-string map with a Clone helper.
type SimpleKVs map[string]string

func (kvs SimpleKVs) Clone() SimpleKVs {
	c := make(SimpleKVs, len(kvs))
	for k, v := range kvs {
		c[k] = v
	}
	return c
}
