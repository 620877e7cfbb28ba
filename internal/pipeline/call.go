package pipeline

import "github.com/boassistant/bo/internal/llm"

func newCall(requestID, familyID, userID, step, systemText, userText string) llm.Call {
	return llm.Call{
		RequestID:  requestID,
		Owner:      userID,
		UserID:     userID,
		FamilyID:   familyID,
		Step:       step,
		SystemText: systemText,
		UserText:   userText,
	}
}
