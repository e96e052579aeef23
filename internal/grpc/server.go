package grpc

import (
	"context"
	"errors"

	"metachat/messaging-service/internal/apperr"
	"metachat/messaging-service/internal/models"
	"metachat/messaging-service/internal/repository"
	"metachat/messaging-service/internal/service"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	pb "github.com/kegazani/metachat-proto/chat"
)

type ChatServer struct {
	pb.UnimplementedChatServiceServer
	service service.ChatService
	logger  *logrus.Logger
}

func NewChatServer(svc service.ChatService, logger *logrus.Logger) *ChatServer {
	return &ChatServer{
		service: svc,
		logger:  logger,
	}
}

func (s *ChatServer) CreateChat(ctx context.Context, req *pb.CreateChatRequest) (*pb.CreateChatResponse, error) {
	s.logger.WithFields(logrus.Fields{
		"user_id1": req.UserId1,
		"user_id2": req.UserId2,
	}).Info("Creating chat via gRPC")

	chat, err := s.service.CreateChat(ctx, service.CreateChatRequest{
		CreatorID: req.UserId1,
		MemberIDs: []string{req.UserId2},
	})
	if err != nil {
		return nil, s.toStatus(err, "failed to create chat")
	}

	return &pb.CreateChatResponse{
		Chat: chatToProto(chat),
	}, nil
}

func (s *ChatServer) GetChat(ctx context.Context, req *pb.GetChatRequest) (*pb.GetChatResponse, error) {
	s.logger.WithField("chat_id", req.ChatId).Info("Getting chat via gRPC")

	chat, err := s.service.GetChat(ctx, req.ChatId)
	if err != nil {
		return nil, s.toStatus(err, "failed to get chat")
	}

	return &pb.GetChatResponse{
		Chat: chatToProto(chat),
	}, nil
}

func (s *ChatServer) GetUserChats(ctx context.Context, req *pb.GetUserChatsRequest) (*pb.GetUserChatsResponse, error) {
	s.logger.WithField("user_id", req.UserId).Info("Getting user chats via gRPC")

	chats, err := s.service.GetUserChats(ctx, req.UserId)
	if err != nil {
		return nil, s.toStatus(err, "failed to get user chats")
	}

	protoChats := make([]*pb.Chat, len(chats))
	for i, c := range chats {
		protoChats[i] = chatToProto(c)
	}

	return &pb.GetUserChatsResponse{
		Chats: protoChats,
	}, nil
}

// SendMessage runs the same pipeline as a websocket send, so live members see the message.
func (s *ChatServer) SendMessage(ctx context.Context, req *pb.SendMessageRequest) (*pb.SendMessageResponse, error) {
	s.logger.WithFields(logrus.Fields{
		"chat_id":   req.ChatId,
		"sender_id": req.SenderId,
	}).Info("Sending message via gRPC")

	msg, err := s.service.SendMessage(ctx, service.SendMessageRequest{
		ChatID:   req.ChatId,
		SenderID: req.SenderId,
		Content:  req.Content,
	})
	if err != nil {
		return nil, s.toStatus(err, "failed to send message")
	}

	return &pb.SendMessageResponse{
		Message: messageToProto(msg),
	}, nil
}

func (s *ChatServer) GetChatMessages(ctx context.Context, req *pb.GetChatMessagesRequest) (*pb.GetChatMessagesResponse, error) {
	s.logger.WithField("chat_id", req.ChatId).Info("Getting chat messages via gRPC")

	messages, err := s.service.GetChatMessages(ctx, req.ChatId, int(req.Limit), req.BeforeMessageId)
	if err != nil {
		return nil, s.toStatus(err, "failed to get chat messages")
	}

	protoMessages := make([]*pb.Message, len(messages))
	for i, m := range messages {
		protoMessages[i] = messageToProto(m)
	}

	return &pb.GetChatMessagesResponse{
		Messages: protoMessages,
	}, nil
}

func (s *ChatServer) MarkMessagesAsRead(ctx context.Context, req *pb.MarkMessagesAsReadRequest) (*pb.MarkMessagesAsReadResponse, error) {
	s.logger.WithFields(logrus.Fields{
		"chat_id": req.ChatId,
		"user_id": req.UserId,
	}).Info("Marking messages as read via gRPC")

	count, err := s.service.MarkChatRead(ctx, req.ChatId, req.UserId)
	if err != nil {
		return nil, s.toStatus(err, "failed to mark messages as read")
	}

	return &pb.MarkMessagesAsReadResponse{
		MarkedCount: int32(count),
	}, nil
}

func (s *ChatServer) toStatus(err error, op string) error {
	if errors.Is(err, repository.ErrChatNotFound) {
		return status.Errorf(codes.NotFound, "chat not found")
	}

	switch apperr.KindOf(err) {
	case apperr.KindAuthentication:
		return status.Errorf(codes.Unauthenticated, "%s", apperr.Message(err))
	case apperr.KindAuthorization:
		return status.Errorf(codes.PermissionDenied, "%s", apperr.Message(err))
	case apperr.KindValidation:
		return status.Errorf(codes.InvalidArgument, "%s", apperr.Message(err))
	case apperr.KindConflict:
		return status.Errorf(codes.AlreadyExists, "%s", apperr.Message(err))
	}

	s.logger.WithError(err).Error("gRPC request failed")
	return status.Errorf(codes.Internal, "%s: %s", op, apperr.Message(err))
}

// chatToProto fills the two-party shape of the proto. Groups report their admin as
// UserId1 and leave UserId2 empty.
func chatToProto(chat *models.Chat) *pb.Chat {
	protoChat := &pb.Chat{
		Id:        chat.ID,
		CreatedAt: timestamppb.New(chat.CreatedAt),
		UpdatedAt: timestamppb.New(chat.UpdatedAt),
	}

	if chat.IsGroup {
		protoChat.UserId1 = chat.AdminID
		return protoChat
	}

	ids := chat.MemberIDs()
	if len(ids) > 0 {
		protoChat.UserId1 = ids[0]
	}
	if len(ids) > 1 {
		protoChat.UserId2 = ids[1]
	}
	return protoChat
}

func messageToProto(msg *models.Message) *pb.Message {
	protoMsg := &pb.Message{
		Id:        msg.ID,
		ChatId:    msg.ChatID,
		SenderId:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: timestamppb.New(msg.CreatedAt),
	}

	for _, r := range msg.ReadBy {
		if r.UserID != msg.SenderID {
			protoMsg.ReadAt = timestamppb.New(r.ReadAt)
			break
		}
	}

	return protoMsg
}
