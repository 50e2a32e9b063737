package workflow

// User facing messages. Server supplied messages are shown verbatim instead when present.
const (
	MsgDoctorCodeRequired      = "Please enter the doctor code."
	MsgLoginFailed             = "Login failed."
	MsgConnectivity            = "Could not connect to the server. Make sure the backend is running and the URL is correct."
	MsgSessionExpired          = "Session expired or not started. Please enter your doctor code."
	MsgNewPatientRequired      = "Please enter the patient ID and name for a new record."
	MsgSubsequentVisitRequired = "For a subsequent visit, the previous tumor size and previous visit date are required."
	MsgSelectExistingPatient   = "Please select an existing patient."
	MsgNoHistory               = "There is no prior history for this patient. Mark it as 'First visit'."
	MsgHistoryFailed           = "Could not load the patient's history."
	MsgPredictFailed           = "Unknown error while calculating the prediction."
	MsgPatientsFailed          = "Could not load the patient list."
	MsgUnexpectedResponse      = "The server returned an unexpected response."
	MsgSubmissionInFlight      = "A prediction is already being calculated."
	MsgNotAllowed              = "That action is not available right now."
	MsgStaleResult             = "The result arrived after the form changed and was discarded."
)
