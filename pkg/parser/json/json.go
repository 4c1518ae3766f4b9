package json

import jsoniter "github.com/json-iterator/go"

var api = jsoniter.ConfigCompatibleWithStandardLibrary

func Fmt(v any) ([]byte, error) {
	return api.Marshal(v)
}

func FmtStr(v any) (string, error) {
	return api.MarshalToString(v)
}

func Parse(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

func ParseStr(data string, v any) error {
	return api.UnmarshalFromString(data, v)
}
