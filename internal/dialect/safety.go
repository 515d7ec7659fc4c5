package dialect

// fullSafetyCategories is the 11-category BLOCK_NONE list applied to most
// models (§4.7 "Safety settings").
var fullSafetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
	"HARM_CATEGORY_UNSPECIFIED",
	"HARM_CATEGORY_IMAGE_HARASSMENT",
	"HARM_CATEGORY_IMAGE_HATE_SPEECH",
	"HARM_CATEGORY_IMAGE_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_IMAGE_DANGEROUS_CONTENT",
	"HARM_CATEGORY_LOW_AND_MEDIUM",
}

// reducedSafetyCategories is the 5-category subset for models that reject
// the extended categories above.
var reducedSafetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
}

// reducedSafetyModels is the whitelist that gets the 5-category table.
var reducedSafetyModels = map[string]bool{
	"gemini-2.0-flash-thinking-exp": true,
}

// BuildSafetySettings returns the fixed BLOCK_NONE table for model (§4.7).
func BuildSafetySettings(model string) []SafetySetting {
	categories := fullSafetyCategories
	if reducedSafetyModels[model] {
		categories = reducedSafetyCategories
	}
	out := make([]SafetySetting, len(categories))
	for i, c := range categories {
		out[i] = SafetySetting{Category: c, Threshold: "BLOCK_NONE"}
	}
	return out
}
