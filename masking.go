package abac

// MaskItem returns a copy of item without the properties the user cannot
// read and with masked properties replaced by their mask value. Keys with no
// resolved entry are kept as is.
func MaskItem(item map[string]any, props []PropertyAccessResult) map[string]any {
	if item == nil {
		return nil
	}
	byCode := make(map[string]PropertyAccessResult, len(props))
	for _, p := range props {
		byCode[p.Code] = p
	}
	return maskWith(item, byCode)
}

func maskWith(item map[string]any, byCode map[string]PropertyAccessResult) map[string]any {
	out := make(map[string]any, len(item))
	for k, v := range item {
		p, ok := byCode[k]
		switch {
		case !ok:
			out[k] = v
		case !p.CanRead:
		case p.IsMasked:
			if p.MaskValue != "" {
				out[k] = p.MaskValue
			} else {
				out[k] = DefaultMaskValue
			}
		default:
			out[k] = v
		}
	}
	return out
}

// wrapperKeys name the nested list of a paginated response.
var wrapperKeys = []string{"data", "items"}

// MaskPayload applies MaskItem to a single record, a list of records, or a
// paginated wrapper whose "data" or "items" member is a list. A map is always
// masked at its own level first; a "data" or "items" list is only descended
// into when that key is not itself a resolved property. Other values are
// returned unchanged.
func MaskPayload(payload any, props []PropertyAccessResult) any {
	byCode := make(map[string]PropertyAccessResult, len(props))
	for _, p := range props {
		byCode[p.Code] = p
	}
	return maskPayload(payload, byCode)
}

func maskPayload(payload any, byCode map[string]PropertyAccessResult) any {
	switch v := payload.(type) {
	case map[string]any:
		out := maskWith(v, byCode)
		for _, key := range wrapperKeys {
			if _, isProp := byCode[key]; isProp {
				continue
			}
			if list, ok := out[key]; ok && isList(list) {
				out[key] = maskPayload(list, byCode)
				return out
			}
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(v))
		for i, item := range v {
			out[i] = maskWith(item, byCode)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			if m, ok := item.(map[string]any); ok {
				out[i] = maskWith(m, byCode)
			} else {
				out[i] = item
			}
		}
		return out
	}
	return payload
}

func isList(v any) bool {
	switch v.(type) {
	case []any, []map[string]any:
		return true
	}
	return false
}
