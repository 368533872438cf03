// Package sdfs is the replicated file store. A file name hashes to a slot on
// the fixed ring; its replica set is the first R alive nodes walking forward
// from that slot, and the first of them is the primary. Writes go to every
// replica before they are acknowledged. Reads and deletes ask the candidates
// in ring order whether they hold the file.
//
// Nodes talk to each other over the store port with one-line verbs:
//
//	put_start <name> <size>   -> Get file header success, <size bytes>, Put file success
//	get_start <name>          -> filesize <n>, Get file size success, <n bytes>
//	delete_start <name>       -> Delete success | No such file
//	exist <name>              -> File exist! | File doesn't exist!
//	check_time <name>         -> Need confirm | Don't need confirm
//	prefix_exist <prefix>     -> prefix_exist <names...> | prefix_not_exist
//	prefix_delete <prefix>    -> Prefix delete success
//
// When membership changes, every node re-plans the files it holds and pushes
// or drops replicas so each file converges back to R copies.
package sdfs

const (
	verbPut          = "put_start"
	verbGet          = "get_start"
	verbDelete       = "delete_start"
	verbExist        = "exist"
	verbCheckTime    = "check_time"
	verbPrefixExist  = "prefix_exist"
	verbPrefixDelete = "prefix_delete"

	replyHeaderOK      = "Get file header success"
	replyPutOK         = "Put file success"
	replyFileSize      = "filesize"
	replySizeOK        = "Get file size success"
	replyDeleted       = "Delete success"
	replyNoFile        = "No such file"
	replyExist         = "File exist!"
	replyNotExist      = "File doesn't exist!"
	replyNeedConfirm   = "Need confirm"
	replyNoConfirm     = "Don't need confirm"
	replyPrefixExist   = "prefix_exist"
	replyPrefixNone    = "prefix_not_exist"
	replyPrefixDeleted = "Prefix delete success"
	replyBadRequest    = "Bad request"
)
