package testutil

import (
	"github.com/preacher1045/pdsno/internal/lock"
	"github.com/preacher1045/pdsno/internal/model"
)

func lockRequest(subject string) lock.Request {
	return lock.Request{SubjectID: subject, Type: model.LockDevice, HolderID: "tester", RequestID: "req-1"}
}
