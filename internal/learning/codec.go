package learning

import "encoding/json"

func encodeExperience(e Experience) ([]byte, error) { return json.Marshal(e) }

func decodeExperience(b []byte) (Experience, error) {
	var e Experience
	err := json.Unmarshal(b, &e)
	return e, err
}

func encodeQValue(q QValue) ([]byte, error) { return json.Marshal(q) }

func decodeQValue(b []byte) (QValue, error) {
	var q QValue
	err := json.Unmarshal(b, &q)
	return q, err
}
