// Package protocol implements correlated send/reply over mailboxes.
//
// Every Task owns a reply mailbox and a fixed table of send records. A
// send stamps the outgoing letter with its slot index as correlation id
// and enqueues it on the destination mailbox. Replies come back on the
// task's reply mailbox carrying that id and a reply kind, and Dispatch
// moves them into the letters registered for the send.
//
// A record walks this state machine:
//
//	Free -> WaitingIntermediate -> IntermediateTimeout
//	                            -> WaitingFinal -> FinalTimeout
//	                                            -> FinalOK
//
// Sends that do not ask for an intermediate reply start in WaitingFinal.
// A final reply is also accepted in WaitingIntermediate. Both timeout
// budgets are measured from the send tick, and a budget of zero
// waits forever.
//
// Blocking calls are level triggered: drain the reply mailbox, check the
// record, sleep on the mailbox until the nearest deadline, repeat.
package protocol
