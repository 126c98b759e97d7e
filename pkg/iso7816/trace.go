package iso7816

// Transaction is one command and the response the card gave to it.
type Transaction struct {
	Command  *CommandAPDU
	Response *ResponseAPDU
}

// IsSuccess reports a response with a success status.
func (t Transaction) IsSuccess() bool {
	return t.Response != nil && t.Response.Status.IsSuccess()
}

// Trace holds the transactions of one logical command: the command itself,
// then the GET RESPONSE or the re-sent command triggered by 61XX or 6CXX.
type Trace []Transaction

// Last returns the final transaction, nil for an empty trace.
func (t Trace) Last() *Transaction {
	if len(t) == 0 {
		return nil
	}
	return &t[len(t)-1]
}

// Response returns the final response, nil for an empty trace.
func (t Trace) Response() *ResponseAPDU {
	if last := t.Last(); last != nil {
		return last.Response
	}
	return nil
}

// IsSuccess reports whether the final transaction succeeded. Intermediate
// 61XX and 6CXX statuses do not count.
func (t Trace) IsSuccess() bool {
	last := t.Last()
	return last != nil && last.IsSuccess()
}
