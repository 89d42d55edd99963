// Package publisher runs the publish loop.
//
// Each cycle loads the schedule, delivers due posts oldest first and removes
// what was delivered. Transient send failures keep the post for the next
// cycle (at-least-once); posts whose attachments are gone are dropped.
package publisher
