package yaml

import "gopkg.in/yaml.v3"

func Parse(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

func Fmt(v any) ([]byte, error) {
	return yaml.Marshal(v)
}
