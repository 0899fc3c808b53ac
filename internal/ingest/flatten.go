package ingest

// FlattenGenerator rewrites the generator vendor envelope
// {data: [{tp: <ms>, point: [{id, val}, ...]}]} into a flat
// {timestamp: tp, <id>: <val>, ...} payload. Point entries without an id
// are dropped. Anything not shaped like the envelope passes through
// unchanged.
func FlattenGenerator(payload any) any {
	m, ok := payload.(map[string]any)
	if !ok {
		return payload
	}
	data, ok := m["data"].([]any)
	if !ok || len(data) == 0 {
		return payload
	}
	first, ok := data[0].(map[string]any)
	if !ok {
		return payload
	}

	flat := make(map[string]any)
	if tp, present := first["tp"]; present {
		flat["timestamp"] = tp
	}
	points, _ := first["point"].([]any)
	for _, p := range points {
		entry, ok := p.(map[string]any)
		if !ok {
			continue
		}
		id, present := entry["id"]
		if !present || id == nil {
			continue
		}
		flat[NormalizeKey(stringify(id))] = entry["val"]
	}
	return flat
}
