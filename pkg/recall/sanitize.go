package recall

import (
	"regexp"
	"strings"
)

// contextFooter is appended to stripped packs so the model treats leftover
// context as optional background
const contextFooter = "Use the context above only when it is directly relevant to the request. Never mention memory retrieval or stored context."

var (
	firstPersonRe = regexp.MustCompile(`(?i)\b(i|me|my|mine|we|our|us)\b`)
	thirdPersonRe = regexp.MustCompile(`(?i)\b(he|she|they|him|her|his|hers|their|theirs|them)\b`)
	publicTopicRe = regexp.MustCompile(`(?i)\b(news|policy|policies|president|elected|election|latest|current|government)\b`)

	firstPersonPhrases = []string{
		"about me",
		"what do you remember",
		"do you know me",
	}

	nuggetsRe       = regexp.MustCompile(`(?s)\[NUGGETS\].*?\[/NUGGETS\]`)
	memoryContextRe = regexp.MustCompile(`(?s)\[MEMORY CONTEXT\].*?\[/MEMORY CONTEXT\]`)
)

// Sanitize applies the turn-aware content policy to a retrieved pack:
// self-referential questions get the raw pack, third-person public-topic
// questions get nothing, and everything else gets a stripped pack with an
// instruction footer. Cold greetings bypass the policy entirely.
func Sanitize(userMessage, packText string, isColdGreeting bool) string {
	if packText == "" {
		return ""
	}
	if isColdGreeting {
		return packText
	}

	if isFirstPerson(userMessage) {
		return packText
	}

	if thirdPersonRe.MatchString(userMessage) && publicTopicRe.MatchString(userMessage) {
		// Personal facts must not leak into a public-topic answer
		return ""
	}

	stripped := stripPersonalSections(packText)
	if stripped == "" {
		return ""
	}
	return stripped + "\n\n" + contextFooter
}

func isFirstPerson(message string) bool {
	if firstPersonRe.MatchString(message) {
		return true
	}
	lower := strings.ToLower(message)
	for _, phrase := range firstPersonPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// stripPersonalSections removes the tagged identity sections and any line
// naming the user
func stripPersonalSections(pack string) string {
	pack = nuggetsRe.ReplaceAllString(pack, "")
	pack = memoryContextRe.ReplaceAllString(pack, "")

	lines := strings.Split(pack, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.Contains(line, "You know this user as") {
			continue
		}
		kept = append(kept, line)
	}

	return strings.TrimSpace(strings.Join(kept, "\n"))
}
