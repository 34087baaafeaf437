package agent

import "strings"

// captchaMarkers are the page fragments that indicate a challenge is being
// presented. The check is a heuristic performed before attempting to submit;
// the engine never tries to solve or bypass a challenge.
var captchaMarkers = []string{
	"g-recaptcha",
	"h-captcha",
	"hcaptcha.com",
	"cf-challenge",
	"turnstile",
	"data-sitekey",
	"verify you are human",
}

func detectCaptcha(page string) bool {
	lower := strings.ToLower(page)
	for _, marker := range captchaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
