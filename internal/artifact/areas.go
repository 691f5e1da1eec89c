package artifact

// Area names one staging area. Each pipeline stage reads from and writes to
// its own area; the bus only ever carries names that point into them.
type Area string

const (
	// Lecture flow.
	AreaChunks       Area = "lecture/chunks"
	AreaAudio        Area = "lecture/audio"
	AreaPartials     Area = "lecture/partials"
	AreaTranscript   Area = "lecture/transcript"
	AreaSummaries    Area = "lecture/summaries"
	AreaSpeech       Area = "lecture/speech"
	AreaSpeechClient Area = "lecture/speech_client"

	// Question flow.
	AreaQuestionUpload     Area = "question/upload"
	AreaQuestionAudio      Area = "question/audio"
	AreaQuestionTranscript Area = "question/transcript"
	AreaResponses          Area = "question/responses"
	AreaResponseAudio      Area = "question/response_audio"

	// AreaArchive accumulates one directory per completed lecture session.
	AreaArchive Area = "archive"
)

const (
	FinalTranscriptFile = "transcript_final.txt"
	SummaryFile         = "transcript_final_resume.txt"
)

// LectureAreas returns the working areas of the lecture flow.
func LectureAreas() []Area {
	return []Area{
		AreaChunks,
		AreaAudio,
		AreaPartials,
		AreaTranscript,
		AreaSummaries,
		AreaSpeech,
		AreaSpeechClient,
	}
}

// QuestionAreas returns the working areas of the question flow.
func QuestionAreas() []Area {
	return []Area{
		AreaQuestionUpload,
		AreaQuestionAudio,
		AreaQuestionTranscript,
		AreaResponses,
		AreaResponseAudio,
	}
}

func knownAreas() []Area {
	areas := append(LectureAreas(), QuestionAreas()...)
	return append(areas, AreaArchive)
}
