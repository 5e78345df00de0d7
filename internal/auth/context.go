package auth

import "context"

type subjectKey struct{}

// Anonymous 是未开启认证时记录在审计日志中的操作者名称。
const Anonymous = "anonymous"

// WithSubject 把通过校验的运维账号放入请求上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject.Clone())
}

// SubjectFromContext 返回请求对应的运维账号，未认证时为 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// OperatorName 返回提交请求的运维账号名，用于审计。
func OperatorName(ctx context.Context) string {
	if subject := SubjectFromContext(ctx); subject != nil && subject.Username != "" {
		return subject.Username
	}
	return Anonymous
}
