package vision

// annotateRequest is the body of images:annotate
type annotateRequest struct {
	Requests []imageRequest `json:"requests"`
}

type imageRequest struct {
	Image        imageContent  `json:"image"`
	Features     []feature     `json:"features"`
	ImageContext *imageContext `json:"imageContext,omitempty"`
}

type imageContent struct {
	Content string `json:"content"` // base64
}

type feature struct {
	Type string `json:"type"`
}

type imageContext struct {
	LanguageHints []string `json:"languageHints,omitempty"`
}

// annotateResponse is the images:annotate response
type annotateResponse struct {
	Responses []imageResponse `json:"responses"`
}

type imageResponse struct {
	TextAnnotations    []entityAnnotation `json:"textAnnotations"`
	FullTextAnnotation *textAnnotation    `json:"fullTextAnnotation"`
	Error              *status            `json:"error"`
}

type entityAnnotation struct {
	Locale      string `json:"locale"`
	Description string `json:"description"`
}

type textAnnotation struct {
	Text  string `json:"text"`
	Pages []page `json:"pages"`
}

type page struct {
	Property   *textProperty `json:"property"`
	Confidence float64       `json:"confidence"`
}

type textProperty struct {
	DetectedLanguages []detectedLanguage `json:"detectedLanguages"`
}

type detectedLanguage struct {
	LanguageCode string  `json:"languageCode"`
	Confidence   float64 `json:"confidence"`
}

// status is a google.rpc.Status, used both per image and for request errors
type status struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type errorEnvelope struct {
	Error *status `json:"error"`
}
