package repository

import "encoding/json"

// jsonEncode/jsonDecode back every slice-typed domain field (CIDRs,
// allowed IPs, port ranges, user/group ID sets, ...) with a JSON column
// rather than a join table; none of these sets is queried independently.
func jsonEncode(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func jsonDecode(s string, v interface{}) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
