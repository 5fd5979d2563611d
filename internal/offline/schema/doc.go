// Package schema defines the entity payloads, mutations and pending-operation
// records exchanged between the local store, the sync queue and the backend.
//
// # Entity Tables
//
// Four entity tables are synchronized: tasks, expenses, reminders and
// chat_messages. Each has a typed payload (Task, Expense, Reminder,
// ChatMessage) carrying an ID and an UpdatedAt timestamp used for
// last-write-wins conflict resolution.
//
// # Mutations
//
// A Mutation is a tagged union over the payload types:
//
//	schema.Create(task)                    // insert a new row
//	schema.Update(task)                    // overwrite an existing row
//	schema.Delete(schema.TableTasks, "t1") // remove a row by id
//
// Mutations are validated at the boundary so a malformed payload never
// reaches the pending-operation queue.
//
// # Pending Operation Records
//
// PendingOperation is the durable form of a mutation waiting for the backend.
// Its flat wire record is:
//
//	{
//	  "id": "2f1c...",
//	  "table": "tasks",
//	  "operation": "create",
//	  "data": {"id": "t1", "title": "Buy milk", ...},
//	  "timestamp": "2026-10-17T08:15:30.123456789Z",
//	  "retry_count": 0,
//	  "record_id": "t1"
//	}
//
// ToRecord followed by FromRecord yields an operation equal in every field.
package schema
